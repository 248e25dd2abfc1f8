package audio

import "math"

// Direction marks which way a frame is travelling through the session.
type Direction uint8

const (
	DirectionInbound  Direction = iota // caller to service
	DirectionOutbound                  // service to caller
)

// Frame is one 20ms slice of call audio in mu-law form. Seq is assigned per
// direction in arrival order and never reused within a session.
type Frame struct {
	Seq       uint64
	Direction Direction
	MuLaw     []byte
}

// RMS returns the normalized root-mean-square energy of the frame in [0, 1].
// An empty frame has zero energy.
func (f Frame) RMS() float64 {
	if len(f.MuLaw) == 0 {
		return 0
	}
	var sum float64
	for _, b := range f.MuLaw {
		s := float64(decodeTable[b]) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(f.MuLaw)))
}

// Framer slices an inbound byte stream into fixed-size frames, carrying any
// remainder over to the next call. Carriers may deliver media in packets that
// do not line up with frame boundaries.
type Framer struct {
	direction Direction
	seq       uint64
	pending   []byte
}

func NewFramer(direction Direction) *Framer {
	return &Framer{direction: direction}
}

// Push appends raw mu-law bytes and returns all complete frames now available.
func (fr *Framer) Push(mu []byte) []Frame {
	fr.pending = append(fr.pending, mu...)

	var frames []Frame
	for len(fr.pending) >= BytesPerFrame {
		chunk := make([]byte, BytesPerFrame)
		copy(chunk, fr.pending[:BytesPerFrame])
		fr.pending = fr.pending[BytesPerFrame:]

		frames = append(frames, Frame{
			Seq:       fr.seq,
			Direction: fr.direction,
			MuLaw:     chunk,
		})
		fr.seq++
	}
	return frames
}

// Flush returns the trailing partial frame, zero-padded to full size, or a
// zero-value false if nothing is pending. Used at stream end so the tail of
// an utterance is not dropped.
func (fr *Framer) Flush() (Frame, bool) {
	if len(fr.pending) == 0 {
		return Frame{}, false
	}
	chunk := make([]byte, BytesPerFrame)
	n := copy(chunk, fr.pending)
	for i := n; i < BytesPerFrame; i++ {
		chunk[i] = EncodeSample(0) // mu-law silence
	}
	fr.pending = fr.pending[:0]

	f := Frame{Seq: fr.seq, Direction: fr.direction, MuLaw: chunk}
	fr.seq++
	return f, true
}
