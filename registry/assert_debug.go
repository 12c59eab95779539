//go:build lanemu_debug

package registry

import (
	"fmt"
)

func debugAssert(logPrefix, name, slot string) {
	panic(fmt.Sprintf("%s: unimplemented slot %s.%s", logPrefix, name, slot))
}
