package server

// Port used when none is configured
const DefaultPort = 1234
