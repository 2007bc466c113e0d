package ric

import (
	"errors"
	"fmt"
)

// ErrTimeout matches any TimeoutError via errors.Is.
var ErrTimeout = errors.New("timed out")

// Device-reported transfer failure reason codes.
const (
	ReasonOTAStartedOK  = "OTAStartedOK"
	ReasonOTAStartFail  = "OTAStartFailed"
	ReasonNotStarted    = "notStarted"
	ReasonUserCancel    = "userCancel"
	ReasonFailRetries   = "failRetries"
	ReasonFailTimeout   = "failTimeout"
	ReasonFailFileWrite = "failFileWrite"
)

func isTransferFailReason(reason string) bool {
	switch reason {
	case ReasonOTAStartFail, ReasonNotStarted, ReasonUserCancel,
		ReasonFailRetries, ReasonFailTimeout, ReasonFailFileWrite:
		return true
	}
	return false
}

// TimeoutError reports a single operation that received no response in
// time. Retries, where a policy exists, happen in the transfer engines.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out", e.Op)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// handshakeError classifies a failed handshake response: no response at
// all is a timeout, anything else is a device rejection.
func handshakeError(stage string, resp Response) error {
	if resp.Rslt == ReasonFailTimeout {
		return &TimeoutError{Op: stage}
	}
	return &TransferError{Stage: stage, Reason: resp.Rslt}
}

// TransferError reports a bulk transfer failure: a rejected handshake,
// exhausted block retries or a device-reported failure reason.
type TransferError struct {
	Stage  string
	Reason string
}

func (e *TransferError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transfer failed at %s: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("transfer failed at %s", e.Stage)
}
