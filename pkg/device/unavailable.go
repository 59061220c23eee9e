package device

// UnavailableRuntime stands in for a build without any accelerator backend.
// DeviceCount reports zero devices; everything else fails with
// ErrBackendUnavailable.
type UnavailableRuntime struct{}

const unavailableName = "none"

func (UnavailableRuntime) Name() string        { return unavailableName }
func (UnavailableRuntime) AmbientDevice() bool { return false }

func (UnavailableRuntime) SetDevice(Device) error {
	return unavailable(unavailableName, "set_device")
}

func (UnavailableRuntime) GetDevice() (Device, error) {
	return -1, unavailable(unavailableName, "get_device")
}

func (UnavailableRuntime) DeviceCount() (int, error) {
	return 0, nil
}

func (UnavailableRuntime) DeviceInfo(Device) (Info, error) {
	return Info{}, unavailable(unavailableName, "device_info")
}

func (UnavailableRuntime) Malloc(Device, int) (Ptr, error) {
	return 0, unavailable(unavailableName, "device_malloc")
}

func (UnavailableRuntime) MallocPinned(int) (Ptr, error) {
	return 0, unavailable(unavailableName, "device_malloc_pinned")
}

func (UnavailableRuntime) Free(Ptr) error {
	return unavailable(unavailableName, "device_free")
}

func (UnavailableRuntime) FreeOn(Device, Ptr) error {
	return unavailable(unavailableName, "device_free")
}

func (UnavailableRuntime) FreePinned(Ptr) error {
	return unavailable(unavailableName, "device_free_pinned")
}

func (UnavailableRuntime) NewStream(Device) (Stream, error) {
	return nil, unavailable(unavailableName, "stream_create")
}

func (UnavailableRuntime) Close() error { return nil }
