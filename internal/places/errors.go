package places

import (
	"errors"
	"fmt"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "places.store.new"
	opGetPlace          = "places.get_place"
	opCreatePlace       = "places.create_place"
	opDeactivatePlace   = "places.deactivate_place"
	opUpsertMember      = "places.upsert_member"
	opUpdateLocation    = "places.update_member_location"
	opMarkOnlineStatus  = "places.mark_online_status"
	opMarkOutOfRange    = "places.mark_out_of_range"
	opMarkLeft          = "places.mark_left"
	opGetMember         = "places.get_member"
	opListMembers       = "places.list_members"
	reasonMissingDB     = "missing_database"
	reasonInvalidInput  = "invalid_input"
	reasonNotFound      = "not_found"
	reasonAlreadyExists = "already_exists"
	reasonQueryFailed   = "query_failed"
	reasonWriteFailed   = "write_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
