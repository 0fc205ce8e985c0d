package version

// Current is the released version of prospectd, without a "v" prefix.
const Current = "0.4.0"

// UserAgent is sent to external providers that ask callers to identify themselves.
func UserAgent() string {
	return "prospectd/" + Current
}
