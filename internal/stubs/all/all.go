// Package all imports every stub package so their init() functions register
// with the default registry. The session imports it.
//
//	import _ "github.com/zboralski/tarsier/internal/stubs/all"
package all

import (
	_ "github.com/zboralski/tarsier/internal/stubs/cxxabi"
	_ "github.com/zboralski/tarsier/internal/stubs/darwin"
	_ "github.com/zboralski/tarsier/internal/stubs/libc"
	_ "github.com/zboralski/tarsier/internal/stubs/network"
	_ "github.com/zboralski/tarsier/internal/stubs/pthread"
)
