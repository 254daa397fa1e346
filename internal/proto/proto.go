// internal/proto/proto.go
package proto

import "fmt"

const (
	ProtoVersion = "1"
	Suite        = "p256-hkdf-aesgcm"
)

func ValidateWireMeta(version, suite string) error {
	if version != "" && version != ProtoVersion {
		return fmt.Errorf("unsupported proto_version: %s", version)
	}
	if suite != "" && suite != Suite {
		return fmt.Errorf("unsupported suite: %s", suite)
	}
	return nil
}
