package server

// Version of the software. It is set at build time using a linker flag.
var Version = "devel"
