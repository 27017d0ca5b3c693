package desc

// QueueType names a hardware queue family.
type QueueType uint8

// Queue types.
const (
	QueueUnknown QueueType = iota
	QueueGraphics
	QueueCompute
	QueueDMA
	QueueExternal
)

// QueueTypes lists the queue types a command list can be submitted to.
var QueueTypes = [...]QueueType{QueueGraphics, QueueCompute, QueueDMA}

// String returns the queue name.
func (q QueueType) String() string {
	switch q {
	case QueueGraphics:
		return "Graphics"
	case QueueCompute:
		return "Compute"
	case QueueDMA:
		return "DMA"
	case QueueExternal:
		return "External"
	default:
		return "Unknown"
	}
}

// Index returns a dense index for the submittable queue types, or -1.
func (q QueueType) Index() int {
	switch q {
	case QueueGraphics:
		return 0
	case QueueCompute:
		return 1
	case QueueDMA:
		return 2
	default:
		return -1
	}
}
