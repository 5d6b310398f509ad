package version

// Version is the release version of nodeprobe.
const Version = "0.4.0"
