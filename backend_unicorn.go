//go:build unicorn

package tarsier

// -tags unicorn makes Config.Backend "unicorn" available.
import _ "github.com/zboralski/tarsier/internal/cpu/unicorn"
