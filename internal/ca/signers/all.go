// Package signers imports all signer packages to trigger their init() registration.
package signers

import (
	_ "github.com/yuriy-kovalchuk/yk-nsd/internal/ca/openssl"
	_ "github.com/yuriy-kovalchuk/yk-nsd/internal/ca/x509signer"
)
