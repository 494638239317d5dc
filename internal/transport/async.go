package transport

import (
	"context"

	"github.com/TheMichaelB/recsync/internal/async"
)

// DoAsync runs req on exec. Transport failures complete the future with an
// Error result; HTTP failures complete it with a Failure carrying *HTTPError.
func DoAsync(ctx context.Context, exec async.Executor, t Transport, req *Request) *async.Future[*Response] {
	return async.Go(exec, func() async.Result[*Response] {
		resp, err := t.Do(ctx, req)
		if err == nil {
			return async.Ok(resp)
		}
		if _, ok := AsHTTPError(err); ok {
			return async.Result[*Response]{Kind: async.Failure, Value: resp, Err: err}
		}
		return async.Errored[*Response](err)
	})
}
