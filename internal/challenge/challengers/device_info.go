package challengers

import (
	"github.com/fxnlabs/devblas/pkg/device"
	"go.uber.org/zap"
)

// DeviceInfoChallenger reports the devices of the session.
type DeviceInfoChallenger struct {
	session *device.Session
}

func NewDeviceInfoChallenger(session *device.Session) *DeviceInfoChallenger {
	return &DeviceInfoChallenger{session: session}
}

// Execute lists every device with its memory and features.
func (c *DeviceInfoChallenger) Execute(payload interface{}, log *zap.Logger) (interface{}, error) {
	log.Info("Polling device info...")
	count, err := c.session.DeviceCount()
	if err != nil {
		log.Error("Failed to count devices", zap.Error(err))
		return nil, err
	}

	devices := make([]device.Info, 0, count)
	for i := 0; i < count; i++ {
		info, err := c.session.DeviceInfo(device.Device(i))
		if err != nil {
			log.Error("Failed to query device", zap.Int("device", i), zap.Error(err))
			return nil, err
		}
		devices = append(devices, info)
	}

	log.Info("Successfully polled device info", zap.Int("devices", count))
	return map[string]interface{}{
		"backend": c.session.Backend(),
		"devices": devices,
	}, nil
}
