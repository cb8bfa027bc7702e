package errors

import (
	"errors"
	"fmt"
)

var (
	ErrSuperseded        = errors.New("allocation cycle superseded by a newer cluster state")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrUnknownNode       = errors.New("unknown node")
	ErrUnknownShard      = errors.New("unknown shard")
	ErrUnknownAllocation = errors.New("unknown allocation id")
	ErrIndexExists       = errors.New("index already exists")
	ErrInvalidIndex      = errors.New("invalid index metadata")
	ErrInvalidSplit      = errors.New("invalid shard split")
	ErrIllegalTransition = errors.New("illegal shard state transition")
	ErrServiceStopped    = errors.New("cluster service is stopped")
)

// InvalidSettingError reports a configuration value outside its allowed set.
func InvalidSettingError(setting string, value any) error {
	return fmt.Errorf("invalid value [%v] for setting [%s]", value, setting)
}
