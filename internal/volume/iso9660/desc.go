package iso9660

import (
	"time"

	"github.com/lightlabsinc/fsview/internal/naming"
)

// volDesc holds the mutable state of one volume descriptor (primary
// or supplementary). It is appended to the planner lazily: the render
// runs at burn time, after the block count and table locations have
// been fixed up.
type volDesc struct {
	typ      byte
	escape   string
	joliet   bool
	systemID string
	volumeID string

	blocks      uint32
	pathTblSize uint32
	pathLBAL    uint32
	pathLBAM    uint32
	root        dirRecord

	created time.Time
}

func newVolDesc(typ byte, escape string, joliet bool) *volDesc {
	return &volDesc{typ: typ, escape: escape, joliet: joliet, created: time.Now()}
}

func (d *volDesc) render() []byte {
	buf := make([]byte, descSize)
	buf[0] = d.typ
	copy(buf[1:6], standardID)
	buf[6] = 1 // version

	d.text(buf[8:40], d.systemID)
	d.text(buf[40:72], d.volumeID)
	putBoth32(buf[80:], d.blocks)
	copy(buf[88:120], d.escape)
	putBoth16(buf[120:], 1) // volume set size
	putBoth16(buf[124:], 1) // volume sequence number
	putBoth16(buf[128:], BlockSize)
	putBoth32(buf[132:], d.pathTblSize)
	le32(buf[140:], d.pathLBAL)
	be32(buf[148:], d.pathLBAM)

	d.root.name = []byte{0}
	root := d.root.bytes()
	copy(buf[156:156+34], root)

	d.text(buf[190:318], "") // volume set identifier
	d.text(buf[318:446], "") // publisher
	d.text(buf[446:574], "") // data preparer
	d.text(buf[574:702], "") // application
	d.text(buf[702:739], "") // copyright file
	d.text(buf[739:776], "") // abstract file
	d.text(buf[776:813], "") // bibliographic file

	decDateTime(buf[813:], d.created)       // creation
	decDateTime(buf[830:], d.created)       // modification
	decCleared(buf[847:])                   // expiration: none
	decDateTime(buf[864:], time.Unix(0, 0)) // effective: since epoch
	buf[881] = 1                            // file structure version
	return buf
}

// text writes an identifier field: ASCII space-padded on the primary
// volume, UCS-2 big-endian diluted on the supplement.
func (d *volDesc) text(dst []byte, s string) {
	if !d.joliet {
		padText(dst, s)
		return
	}
	ascii := make([]byte, len(dst))
	padText(ascii, s)
	naming.DiluteASCII(dst, ascii, true)
}

func le32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func be32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// terminator renders the volume descriptor set terminator.
func terminator() []byte {
	buf := make([]byte, descSize)
	buf[0] = typeTerminator
	copy(buf[1:6], standardID)
	buf[6] = 1
	return buf
}
