// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/gomlx/tinyddpm/pkg/config"
)

// selectBackend returns the GoMLX backend configuration for the device.
// With config.DeviceAuto a GOMLX_BACKEND already set by the user takes precedence.
func selectBackend(device config.Device, envBackend string, hasCUDA bool) string {
	switch device {
	case config.DeviceCPU:
		return "xla:cpu"
	case config.DeviceCUDA:
		return "xla:cuda"
	case config.DeviceGo:
		return "go"
	}
	if envBackend != "" {
		return envBackend
	}
	if hasCUDA {
		return "xla:cuda"
	}
	return "xla:cpu"
}

// cudaVisible reports whether a CUDA device seems available.
func cudaVisible() bool {
	if os.Getenv("CUDA_VISIBLE_DEVICES") != "" {
		return true
	}
	_, err := os.Stat("/dev/nvidia0")
	return err == nil
}
