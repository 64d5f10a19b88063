package driver

import "fmt"

// Cmd is a control operation code, encoded like a Linux ioctl number.
type Cmd uint32

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	magic = 2 * 'K'

	sizeInt    = 4
	sizeUint64 = 8
)

const (
	CmdReset             Cmd = iocNone<<iocDirShift | magic<<iocTypeShift | 0
	CmdStartCPU          Cmd = iocNone<<iocDirShift | magic<<iocTypeShift | 1
	CmdReadStatus        Cmd = iocRead<<iocDirShift | sizeUint64<<iocSizeShift | magic<<iocTypeShift | 0
	CmdReadControl       Cmd = iocRead<<iocDirShift | sizeUint64<<iocSizeShift | magic<<iocTypeShift | 1
	CmdReadIntStatus     Cmd = iocRead<<iocDirShift | sizeUint64<<iocSizeShift | magic<<iocTypeShift | 2
	CmdReadIntMask       Cmd = iocRead<<iocDirShift | sizeUint64<<iocSizeShift | magic<<iocTypeShift | 3
	CmdWriteControl      Cmd = iocWrite<<iocDirShift | sizeUint64<<iocSizeShift | magic<<iocTypeShift | 0
	CmdWriteIntMask      Cmd = iocWrite<<iocDirShift | sizeUint64<<iocSizeShift | magic<<iocTypeShift | 1
	CmdExportFramebuffer Cmd = iocRead<<iocDirShift | sizeInt<<iocSizeShift | magic<<iocTypeShift | 4
)

var cmdNames = map[Cmd]string{
	CmdReset:             "RESET",
	CmdStartCPU:          "START_CPU",
	CmdReadStatus:        "READ_STATUS",
	CmdReadControl:       "READ_CONTROL",
	CmdReadIntStatus:     "READ_INT_STATUS",
	CmdReadIntMask:       "READ_INT_MASK",
	CmdWriteControl:      "WRITE_CONTROL",
	CmdWriteIntMask:      "WRITE_INT_MASK",
	CmdExportFramebuffer: "EXPORT_FRAMEBUFFER",
}

func (c Cmd) Nr() uint32   { return uint32(c) >> iocNRShift & (1<<iocNRBits - 1) }
func (c Cmd) Type() uint32 { return uint32(c) >> iocTypeShift & (1<<iocTypeBits - 1) }
func (c Cmd) Size() uint32 { return uint32(c) >> iocSizeShift & (1<<iocSizeBits - 1) }
func (c Cmd) Dir() uint32  { return uint32(c) >> iocDirShift }

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Cmd(%#x)", uint32(c))
}

// Ioctl performs a control operation. Read operations store their result in
// *arg; write operations take their payload from *arg.
func (f *File) Ioctl(cmd Cmd, arg *uint64) error {
	d, err := f.device()
	if err != nil {
		return err
	}

	if _, ok := cmdNames[cmd]; !ok {
		return fmt.Errorf("%w: %v", ErrUnsupported, cmd)
	}

	if cmd.Dir() != iocNone && arg == nil {
		return fmt.Errorf("%w: %v needs an argument", ErrInvalidArgument, cmd)
	}

	if err := d.acquire(); err != nil {
		return err
	}

	defer d.release()

	switch cmd {
	case CmdReset:
		d.regs.reset()

	case CmdStartCPU:
		d.regs.start()

	case CmdReadStatus:
		*arg = d.regs.readStatus()

	case CmdReadControl:
		*arg = d.regs.readControl()

	case CmdReadIntStatus:
		*arg = d.regs.readIntStatus()

	case CmdReadIntMask:
		*arg = d.regs.readIntMask()

	case CmdWriteControl:
		d.regs.writeControl(*arg)

	case CmdWriteIntMask:
		d.regs.writeIntMask(*arg)

	case CmdExportFramebuffer:
		fd, err := d.exportFramebuffer()
		if err != nil {
			return err
		}

		*arg = uint64(fd)
	}

	return nil
}
