// Copyright 2021 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Environment variables LOG_LEVEL (e.g. "debug") and LOG_FORMAT ("json" or "text") configure logging.
// Sent requests, retries and span start/end are logged at debug level.
func init() {
	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	logrus.SetFormatter(newFormatter(os.Getenv("LOG_FORMAT")))
}

func newFormatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "text") {
		return &logrus.TextFormatter{FullTimestamp: true}
	}
	return &logrus.JSONFormatter{}
}

// SetFormatter lets caller set logrus log formatter.
func SetFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

// SetLogLevel sets logrus log level.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
