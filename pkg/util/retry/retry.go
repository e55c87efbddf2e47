// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/kirc-go/pkg/log"
	"github.com/lk2023060901/kirc-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

// Do 执行 fn，失败时按指数退避重试。
//
// 说明：
//   - Attempts 为 0 时不限次数，直到成功或 ctx 结束；
//   - Unrecoverable 包装的错误与 RetryErr 判定为不可重试的错误立即返回；
//   - 剩余时间不足一次休眠或 ctx 结束时，优先返回上一次的业务错误而不是 ctx 错误。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	logger := log.Ctx(ctx).With(zap.String("caller", getCaller(2)))

	var lastErr error
	for i := uint(0); c.attempts == 0 || i < c.attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if i%4 == 0 {
			logger.Warn("retry func failed", zap.Uint("retried", i), zap.Error(err))
		}
		if why := c.giveUp(ctx, err); why != "" {
			logger.Warn("retry stopped",
				zap.String("why", why),
				zap.Uint("retried", i),
				zap.Uint("attempts", c.attempts))
			return preferCause(err, lastErr)
		}
		lastErr = err

		timer := time.NewTimer(c.sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("retry stopped", zap.String("why", "ctx done"), zap.Uint("retried", i))
			return lastErr
		}
		c.sleep = min(c.sleep*2, c.maxSleepTime)
	}
	logger.Warn("retry func failed, reach max attempts", zap.Uint("attempts", c.attempts))
	return lastErr
}

// giveUp 返回停止重试的原因，空串表示继续。
func (c *config) giveUp(ctx context.Context, err error) string {
	if !IsRecoverable(err) {
		return "unrecoverable"
	}
	if c.isRetryErr != nil && !c.isRetryErr(err) {
		return "not retryable"
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.sleep {
		return "deadline"
	}
	return ""
}

// preferCause 在 err 只是 ctx 错误时返回上一次的业务错误。
func preferCause(err, lastErr error) error {
	if lastErr != nil && merr.IsCanceledOrTimeout(err) {
		return lastErr
	}
	return err
}

// errUnrecoverable 表示不可恢复错误的标记实例。
var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 将错误包装为不可恢复错误，使重试逻辑能够快速返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断给定错误是否为“可恢复”错误。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
