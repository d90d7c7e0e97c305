package message

import (
	"fmt"

	"github.com/eltociear/flower/pkg/record"
)

// StatusCode classifies the outcome of a task execution.
type StatusCode int64

const (
	StatusOK              StatusCode = 0
	StatusExecutorFailure StatusCode = 1
	StatusTTLExpiry       StatusCode = 2
)

// Status pairs a code with a human-readable message.
type Status struct {
	Code    StatusCode
	Message string
}

// EmbedStatus stores the status into rs as a configs record under
// "<resultName>.status".
func EmbedStatus(rs *record.RecordSet, resultName string, status Status) error {
	rec := record.NewConfigsRecord()
	if err := rec.Set("code", int64(status.Code)); err != nil {
		return err
	}
	if err := rec.Set("message", status.Message); err != nil {
		return err
	}
	return rs.SetConfigs(resultName+".status", rec)
}

// ExtractStatus reads the status embedded under "<resultName>.status".
func ExtractStatus(rs *record.RecordSet, resultName string) (Status, error) {
	rec, err := rs.Configs(resultName + ".status")
	if err != nil {
		return Status{}, err
	}
	codeVal, err := rec.Get("code")
	if err != nil {
		return Status{}, err
	}
	code, ok := codeVal.(int64)
	if !ok {
		return Status{}, fmt.Errorf("status code has type %T, want int64", codeVal)
	}
	msgVal, err := rec.Get("message")
	if err != nil {
		return Status{}, err
	}
	msg, ok := msgVal.(string)
	if !ok {
		return Status{}, fmt.Errorf("status message has type %T, want string", msgVal)
	}
	return Status{Code: StatusCode(code), Message: msg}, nil
}
