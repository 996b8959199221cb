package device

import (
	"context"
	"fmt"
)

// Detect runs the configured vendor's lister, or for VendorAuto tries each
// candidate in turn and keeps the first one that reports at least one
// device. Candidates are tried in the order given.
func Detect(ctx context.Context, want Vendor, candidates ...Lister) ([]Device, Lister, error) {
	if want != VendorAuto {
		for _, c := range candidates {
			if c.Vendor() != want {
				continue
			}
			devices, err := c.ListDevices(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("list %s devices: %w", want, err)
			}
			return devices, c, nil
		}
		return nil, nil, fmt.Errorf("no lister registered for vendor %q", want)
	}

	var errs []error
	for _, c := range candidates {
		devices, err := c.ListDevices(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Vendor(), err))
			continue
		}
		if len(devices) > 0 {
			return devices, c, nil
		}
		_ = c.Close()
	}
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w (%v)", ErrNoDevices, errs)
	}
	return nil, nil, ErrNoDevices
}
