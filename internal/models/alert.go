package models

import (
	"encoding/json"
	"fmt"
)

// Alert codes sent by the storage service.
const (
	AlertSoftEOL = "soft-eol"
	AlertHardEOL = "hard-eol"
)

// EOLAlert is an end-of-life notice carried in the X-Weave-Alert header.
type EOLAlert struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}

// ParseEOLAlert decodes an alert header value. Plain-text values are kept as
// advisory messages.
func ParseEOLAlert(header string) (*EOLAlert, error) {
	if header == "" {
		return nil, fmt.Errorf("empty alert")
	}

	var alert EOLAlert
	if err := json.Unmarshal([]byte(header), &alert); err != nil {
		return &EOLAlert{Code: AlertSoftEOL, Message: header}, nil
	}
	if alert.Code != AlertSoftEOL && alert.Code != AlertHardEOL {
		return nil, fmt.Errorf("unknown alert code %q", alert.Code)
	}
	return &alert, nil
}

// IsDirective reports whether the alert requires deactivating the identity.
// Advisory alerts only carry a message.
func (a *EOLAlert) IsDirective() bool {
	return a.Code == AlertHardEOL
}
