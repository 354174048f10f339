// Copyright 2021 The Netatalk authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// +build windows

package internal

// No SIGQUIT to ask the runtime for a full dump, so tell the user about
// GOTRACEBACK instead.
const showGOTRACEBACKBanner = true
