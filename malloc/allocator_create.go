package malloc

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/malloc/internal/utils"
	"github.com/vkngwrapper/brkalloc/memutils/metadata"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags uint32

const (
	// CreateExternallySynchronized ensures that this allocator and all thread caches created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("UnknownFlag(%#x)", uint32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const knownStrategies = metadata.AllocationStrategyMinMemory | metadata.AllocationStrategyMinTime

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy chooses how free blocks are picked for new allocations, by the shared heap and by every
	// thread cache. It is valid to leave this 0, which picks the smallest free block that fits.
	Strategy metadata.AllocationStrategy
}

// New creates a new Allocator
//
// logger - Receives debug traces and error reports. If nil, slog.Default() is used.
//
// segment - The heap segment that the shared heap and every thread cache grow into. The allocator
// assumes it is the only thing growing the segment.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, segment sbrk.Segment, options CreateOptions) (*Allocator, error) {
	if segment == nil {
		return nil, errors.New("malloc.New requires a heap segment")
	}

	if options.Strategy&^knownStrategies != 0 {
		return nil, errors.Newf("unknown allocation strategy: %#x", uint32(options.Strategy))
	}

	if options.Strategy == 0 {
		options.Strategy = metadata.AllocationStrategyMinMemory
	}

	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		segment:     segment,
		createFlags: options.Flags,
		strategy:    options.Strategy,
		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
		growMutex:   utils.OptionalMutex{UseMutex: useMutex},
	}
	allocator.heap = metadata.NewHeap(segment, &allocator.growMutex, options.Strategy)

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.String("Strategy", options.Strategy.String()),
		slog.Int("SegmentLimit", segment.Limit()),
	)

	return allocator, nil
}
