// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// 叶子错误统一在此定义。
// WARN: 新增错误前请先确认下面已有的错误是否可以复用。
// 命名：Err + 所属领域前缀 + 错误名
var (
	// Client 相关
	ErrShuttingDown = newKircError("client is shutting down", 1, false)

	// Session 相关
	ErrSessionAlreadyActive = newKircError("session already active", 100, false)
	ErrSessionNotFound      = newKircError("session not found", 101, false)
	ErrSessionNotConnected  = newKircError("session not connected", 102, true)
	ErrSessionLimitExceeded = newKircError("exceeded the limit number of sessions", 103, false)
	ErrSessionMailboxClosed = newKircError("session mailbox closed", 104, false)
	ErrSessionWaitTimeout   = newKircError("timed out waiting for session to stop", 105, true)

	// Transport 相关
	ErrTransport    = newKircError("transport failure", 200, true)
	ErrHandshake    = newKircError("handshake failure", 201, false)
	ErrSendFailed   = newKircError("failed to send frame", 202, true)
	ErrFrameDecode  = newKircError("malformed frame", 203, false)
	ErrFrameTooLong = newKircError("frame exceeds maximum length", 204, false)

	// Channel 相关
	ErrChannelLocked = newKircError("channel locked", 300, false)

	// Parameter 相关
	ErrParameterInvalid = newKircError("invalid parameter", 1100, false)
	ErrParameterMissing = newKircError("missing parameter", 1101, false)

	// General
	ErrOperationNotSupported = newKircError("unsupported operation", 3000, false)

	// 不要导出该错误，仅用于把未知错误转换为 kircError。
	errUnexpected = newKircError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*kircError)

func WithDetail(detail string) errorOption {
	return func(err *kircError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *kircError) {
		err.errType = etype
	}
}

type kircError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newKircError(msg string, code int32, retriable bool, options ...errorOption) kircError {
	err := kircError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e kircError) code() int32 {
	return e.errCode
}

func (e kircError) Error() string {
	return e.msg
}

func (e kircError) Detail() string {
	return e.detail
}

func (e kircError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(kircError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多错误的 cause 定义为最后一个错误，Code 据此取值。
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 合并多个错误并忽略其中的 nil，全部为 nil 时返回 nil。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
