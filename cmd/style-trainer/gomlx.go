package main

// Include GoMLX backends: XLA (if available) and the pure Go SimpleGo.

import (
	_ "github.com/gomlx/gomlx/backends/default"
)
