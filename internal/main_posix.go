// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// +build !windows

package internal

// SIGQUIT already dumps every goroutine, so the GOTRACEBACK advice is
// rarely needed here.
const showGOTRACEBACKBanner = false
