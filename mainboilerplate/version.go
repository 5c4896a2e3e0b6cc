package mainboilerplate

// Version and BuildDate of the program, set at link time via:
//
//	-ldflags "-X go.gazette.dev/msgstore/mainboilerplate.Version=..."
var (
	Version   = "development"
	BuildDate = "unknown"
)
