/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package log wraps iLogger so every package in the module logs through the
// same narrow call shape, the way the teacher repo calls iLogger directly
// but without every package needing its own import of it.
package log

import (
	"fmt"

	"github.com/it-chain/iLogger"
)

// Fields is the context map iLogger expects as its first argument.
type Fields map[string]interface{}

func Info(f Fields, msg string) {
	iLogger.Info(map[string]interface{}(f), msg)
}

func Infof(format string, args ...interface{}) {
	iLogger.Info(nil, fmt.Sprintf(format, args...))
}

func Warn(f Fields, msg string) {
	iLogger.Error(map[string]interface{}(f), msg)
}

func Warnf(format string, args ...interface{}) {
	iLogger.Error(nil, fmt.Sprintf(format, args...))
}

func Error(f Fields, msg string) {
	iLogger.Error(map[string]interface{}(f), msg)
}

func Errorf(format string, args ...interface{}) {
	iLogger.Error(nil, fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	iLogger.Debug(nil, fmt.Sprintf(format, args...))
}
