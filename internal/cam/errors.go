package cam

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the last failure of the credentials access manager.
type ErrorCode int

const (
	NoError ErrorCode = iota
	NotInitialized
	AlreadyInitialized
	AccessCodeHandlerInvalid
	AccessCodeNotReady
	FailedToFetchAccessCode
	AccessCodeInvalid
	FileSystemMountFailure
	FileSystemUnmountFailure
	FileSystemSetupFailure
	CredentialsDbSetupFailure
	CredentialsDbConnectionError
	CredentialsDbSqlError
	CredentialsDbAlreadyDeployed
	CredentialsDbDeletionFailure
	CredentialsDbCloseFailure
	CredentialsDbUnmountFailure
	CredentialsDbMountFailure
	UnknownError
)

var codeNames = map[ErrorCode]string{
	NoError:                      "no_error",
	NotInitialized:               "not_initialized",
	AlreadyInitialized:           "already_initialized",
	AccessCodeHandlerInvalid:     "access_code_handler_invalid",
	AccessCodeNotReady:           "access_code_not_ready",
	FailedToFetchAccessCode:      "failed_to_fetch_access_code",
	AccessCodeInvalid:            "access_code_invalid",
	FileSystemMountFailure:       "file_system_mount_failure",
	FileSystemUnmountFailure:     "file_system_unmount_failure",
	FileSystemSetupFailure:       "file_system_setup_failure",
	CredentialsDbSetupFailure:    "credentials_db_setup_failure",
	CredentialsDbConnectionError: "credentials_db_connection_error",
	CredentialsDbSqlError:        "credentials_db_sql_error",
	CredentialsDbAlreadyDeployed: "credentials_db_already_deployed",
	CredentialsDbDeletionFailure: "credentials_db_deletion_failure",
	CredentialsDbCloseFailure:    "credentials_db_close_failure",
	CredentialsDbUnmountFailure:  "credentials_db_unmount_failure",
	CredentialsDbMountFailure:    "credentials_db_mount_failure",
	UnknownError:                 "unknown_error",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error_code(%d)", int(c))
}

// Error carries an ErrorCode and the underlying cause.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the ErrorCode carried by err, NoError for nil and
// UnknownError for errors not produced by this package.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}

// ErrNotOpened is returned by CredentialsSystem while storage is closed.
var ErrNotOpened = errors.New("credentials system is not open")
