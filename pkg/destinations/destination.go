package destinations

import "strings"

type DstType int32

const (
	LocalDir DstType = iota
	S3
)

func (s DstType) String() string {
	switch s {
	case LocalDir:
		return "local"
	case S3:
		return "s3"
	}

	return "unknown"
}

// Parse splits an upload target such as "s3://bucket/prefix" or
// "/var/backups" into its type and location.
func Parse(target string) (DstType, string) {
	if strings.HasPrefix(target, "s3://") {
		return S3, target
	}

	return LocalDir, strings.TrimPrefix(target, "file://")
}
