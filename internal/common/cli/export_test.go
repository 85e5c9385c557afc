package cli

// SetSlogTo configures the default logger to write to w.
var SetSlogTo = setSlog
