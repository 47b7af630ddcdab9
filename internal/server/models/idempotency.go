package models

import "time"

// IdempotencyRecord is a stored response for (Key, Method, Path).
type IdempotencyRecord struct {
	Key            string
	Method         string
	Path           string
	Fingerprint    string
	ResponseStatus int
	ContentType    string
	ResponseBody   []byte
	CreatedAt      time.Time
}
