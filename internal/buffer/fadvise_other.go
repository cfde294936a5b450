//go:build !linux

package buffer

import "os"

func adviseSequential(*os.File) {}
