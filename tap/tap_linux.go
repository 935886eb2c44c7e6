package tap

import (
	"net"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [0x28 - unix.IFNAMSIZ - 2]byte
}

// Config sets up the TAP interface.
type Config struct {
	Name string           `yaml:"name"`
	MAC  net.HardwareAddr `yaml:"-"`
	MTU  int              `yaml:"mtu"`
}

// Open creates or attaches to the TAP interface conf.Name, gives it the
// device's MAC address and MTU and brings it up with the carrier off.
func Open(conf Config) (*Interface, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open /dev/net/tun failed")
	}

	var r ifReq
	copy(r.Name[:], conf.Name)
	r.Flags = unix.IFF_TAP | unix.IFF_NO_PI
	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&r)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "ioctl set IFF_TAP and IFF_NO_PI failed")
	}
	name := unix.ByteSliceToString(r.Name[:])
	f := os.NewFile(uintptr(fd), "tap")

	link, err := netlink.LinkByName(name)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "get link by name failed")
	}
	setAddr := func(mac net.HardwareAddr) error {
		return errors.Wrap(netlink.LinkSetHardwareAddr(link, mac), "netlink.LinkSetHardwareAddr failed")
	}
	if conf.MAC != nil {
		if err := setAddr(conf.MAC); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if conf.MTU > 0 {
		if err := netlink.LinkSetMTU(link, conf.MTU); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "netlink.LinkSetMTU failed")
		}
	}

	i := newInterface(f, name, func(up bool) error { return setCarrier(f, up) })
	i.setAddr = setAddr
	if err := setCarrier(f, false); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "netlink.LinkSetUp failed")
	}
	i.onClose = func() error {
		return errors.Wrap(netlink.LinkSetDown(link), "netlink.LinkSetDown failed")
	}
	i.log.WithField("mac", conf.MAC.String()).Info("tap interface up")
	return i, nil
}

func setCarrier(f *os.File, up bool) error {
	var v int32
	if up {
		v = 1
	}
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var ioErr error
	if err := rc.Control(func(fd uintptr) {
		ioErr = ioctl(int(fd), unix.TUNSETCARRIER, unsafe.Pointer(&v))
	}); err != nil {
		return err
	}
	return errors.Wrap(ioErr, "ioctl TUNSETCARRIER failed")
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}
