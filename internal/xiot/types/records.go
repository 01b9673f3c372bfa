package types

import "strings"

// Categories are the top-level record collections. The names are the ones
// devices already write to, so they are part of the wire contract.
const (
	CategoryDevice    = "module"
	CategoryHeartbeat = "ping"
	CategoryLog       = "log"
	CategoryAlert     = "alert"
)

// Field names shared by every backend and by the device firmware.
const (
	FieldMAC       = "mac"
	FieldName      = "name"
	FieldUserToken = "tu"
	FieldAppToken  = "ta"
	FieldLang      = "lang"
	FieldMessage   = "message"
	FieldDate      = "date"
	FieldTimestamp = "gcp_timestamp"
	FieldLookupKey = "lookupKey"
)

// DefaultLang is used when a device record carries no language.
const DefaultLang = "en"

// AlertDateLayout renders alert dates as YYYY/MM/DDTHH:MM:SSZ (UTC).
const AlertDateLayout = "2006/01/02T15:04:05Z"

// Device is the registration record a module PUTs under module/{mac}.
type Device struct {
	Key       string `json:"-"`
	MAC       string `json:"mac"`
	Name      string `json:"name,omitempty"`
	UserToken string `json:"tu,omitempty"`
	AppToken  string `json:"ta,omitempty"`
	Lang      string `json:"lang,omitempty"`
	Timestamp int64  `json:"gcp_timestamp,omitempty"`
}

// Language returns the device language, falling back to DefaultLang.
func (d Device) Language() string {
	if l := strings.TrimSpace(d.Lang); l != "" {
		return l
	}
	return DefaultLang
}

// Heartbeat is a periodic liveness record.
type Heartbeat struct {
	Key       string `json:"-"`
	MAC       string `json:"mac"`
	Timestamp int64  `json:"gcp_timestamp,omitempty"`
	LookupKey string `json:"lookupKey,omitempty"`
}

// LogEntry is a free-form message emitted by a device.
type LogEntry struct {
	Key       string `json:"-"`
	MAC       string `json:"mac"`
	Message   string `json:"message"`
	Timestamp int64  `json:"gcp_timestamp,omitempty"`
}

// Alert is written by the heartbeat monitor when a device goes silent.
type Alert struct {
	Key     string `json:"-"`
	MAC     string `json:"mac"`
	Lang    string `json:"lang"`
	Message string `json:"message"`
	Date    string `json:"date"`
	Name    string `json:"name"`
}

// HeartbeatRequest is the body of POST /v1/heartbeat.
type HeartbeatRequest struct {
	MAC  string `json:"mac"`
	Name string `json:"name,omitempty"`
}

// LogRequest is the body of POST /v1/log.
type LogRequest struct {
	MAC     string `json:"mac"`
	Message string `json:"message"`
}

// IngestResponse acknowledges a device write.
type IngestResponse struct {
	OK         bool   `json:"ok"`
	Known      bool   `json:"known"`
	MAC        string `json:"mac"`
	Key        string `json:"key"`
	ServerTime string `json:"server_time"`
}
