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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// kircNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	kircNamespace = "kirc"

	sessionSubsystem = "session"

	// 以下为当前使用的通用标签名。
	statusLabelName  = "status"
	kindLabelName    = "kind"
	commandLabelName = "command"
)

var (
	// shutdownBuckets 为关闭耗时直方图的桶划分，单位为秒。
	shutdownBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 6, 10}

	// Sessions 为各状态下的会话数量，由注册表在每次变更时维护。
	Sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: kircNamespace,
			Name:      "sessions",
			Help:      "number of sessions by lifecycle status",
		}, []string{statusLabelName})

	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: kircNamespace,
			Name:      "events_emitted_total",
			Help:      "number of events delivered to the sink by kind",
		}, []string{kindLabelName})

	SendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: kircNamespace,
			Name:      "send_failures_total",
			Help:      "number of outbound frames that failed to write",
		})

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: kircNamespace,
			Name:      "frames_received_total",
			Help:      "number of inbound frames handled by session actors by command",
		}, []string{commandLabelName})

	ShutdownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: kircNamespace,
			Name:      "shutdown_duration_seconds",
			Help:      "time spent shutting down all sessions",
			Buckets:   shutdownBuckets,
		})

	ReconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: kircNamespace,
			Subsystem: sessionSubsystem,
			Name:      "reconnect_attempts_total",
			Help:      "number of automatic reconnect attempts by result",
		}, []string{statusLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只有第一次生效。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(Sessions)
		r.MustRegister(EventsEmitted)
		r.MustRegister(SendFailures)
		r.MustRegister(FramesReceived)
		r.MustRegister(ShutdownDuration)
		r.MustRegister(ReconnectAttempts)
		metricRegisterer = r
	})
}
