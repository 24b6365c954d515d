package anpr

import "errors"

var (
	ErrSourceUnavailable = errors.New("frame source unavailable")
	ErrDetection         = errors.New("detection failed")
	ErrRecognition       = errors.New("recognition failed")
	ErrPersistence       = errors.New("persistence failed")
)
