//go:build !mmdebug

package mm

const fatalMisuse = false
