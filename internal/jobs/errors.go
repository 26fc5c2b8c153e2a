package jobs

import "fmt"

// Stratum share rejection codes.
const (
	CodeOther         = 20
	CodeJobNotFound   = 21
	CodeDuplicate     = 22
	CodeLowDifficulty = 23
)

// ShareError is a share rejection as reported to the miner. Code and Message
// are part of the wire protocol and must not change.
type ShareError struct {
	Code    int
	Message string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("share rejected (%d): %s", e.Code, e.Message)
}

var (
	ErrJobNotFound     = &ShareError{Code: CodeJobNotFound, Message: "Job not found"}
	ErrNTimeSize       = &ShareError{Code: CodeOther, Message: "Incorrect size of nTime"}
	ErrNTimeOutOfRange = &ShareError{Code: CodeOther, Message: "nTime out of range"}
	ErrExtraNonce2Size = &ShareError{Code: CodeOther, Message: "Incorrect size of extraNonce2"}
	ErrNonceSize       = &ShareError{Code: CodeOther, Message: "Incorrect size of nonce"}
	ErrDuplicateShare  = &ShareError{Code: CodeDuplicate, Message: "Duplicate share"}
	ErrMalformedShare  = &ShareError{Code: CodeOther, Message: "Malformed share"}
	ErrHashingFailed   = &ShareError{Code: CodeOther, Message: "Unable to hash share"}
)

func lowDifficulty(shareDiff float64) *ShareError {
	return &ShareError{
		Code:    CodeLowDifficulty,
		Message: "Low difficulty share of " + formatNumber(shareDiff),
	}
}
