package disk

// Phase represents a stage of VM disk preparation.
type Phase int

const (
	PhaseCopy    Phase = iota // Copying a raw image or snapshot artifact.
	PhaseConvert              // qemu-img conversion started.
	PhaseResize               // Growing the disk to the requested size.
	PhaseDone                 // Disk ready.
)

// Event describes a single disk preparation update.
type Event struct {
	Phase      Phase
	Path       string
	BytesTotal int64 // Source size; -1 if unknown.
	BytesDone  int64 // Bytes copied so far (copy phase only).
}
