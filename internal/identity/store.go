package identity

import "context"

// Store is the persistence boundary for users and devices. Implementations
// must enforce the system-wide uniqueness of Device.PublicKey and must make
// Revoke terminal.
type Store interface {
	AddUser(ctx context.Context, u *UserIdentity) error
	GetUser(ctx context.Context, id string) (*UserIdentity, error)
	FindUserByUsername(ctx context.Context, username string) (*UserIdentity, error)

	AddDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	FindDeviceByCredential(ctx context.Context, credentialID string) (*Device, error)
	ListDevices(ctx context.Context, ownerID string) ([]Device, error)
	TouchDevice(ctx context.Context, id string) error
	RevokeDevice(ctx context.Context, id string) error
}

// ActiveDevices filters a device list down to the non-revoked set.
func ActiveDevices(ds []Device) []Device {
	out := make([]Device, 0, len(ds))
	for _, d := range ds {
		if d.Active() {
			out = append(out, d)
		}
	}
	return out
}
