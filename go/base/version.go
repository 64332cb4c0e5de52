/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package base

import (
	version "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
)

// ValidateDonorVersion checks the donor's reported server version against the
// oldest release whose oplog format we can mirror. An empty donorVersion is
// accepted; we cannot always read it across a handoff and the stream itself
// will fail loudly on incompatible entries.
func ValidateDonorVersion(donorVersion string) error {
	if donorVersion == "" {
		return nil
	}
	vs, err := version.NewVersion(donorVersion)
	if err != nil {
		return errors.Wrapf(err, "cannot parse donor version %q", donorVersion)
	}
	cutoff, _ := version.NewVersion(MinDonorVersion)
	if vs.LessThan(cutoff) {
		return errors.Errorf("donor version %s is older than minimum supported %s", donorVersion, MinDonorVersion)
	}
	return nil
}
