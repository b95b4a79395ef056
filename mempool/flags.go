package mempool

import (
	"fmt"
	"strings"
)

// CreateFlags indicate specific pool behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) Register(str string) {
	createFlagsMapping[f] = str
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
			name = fmt.Sprintf("CreateFlags(%#x)", int32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateExternallySynchronized ensures that the pool will not be synchronized internally.
	// The consumer must guarantee the pool is used from only one goroutine at a time or is
	// synchronized by some other mechanism. Violating this is a data race on the free list;
	// it is not detected.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateAllowOverflow lets a FixedPool serve requests from the heap once every slot in its
	// region is taken. RangedPool ignores this flag and follows its FallbackPolicy instead.
	CreateAllowOverflow
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateAllowOverflow.Register("CreateAllowOverflow")
}

// CreateOptions contains optional settings when creating a pool
type CreateOptions struct {
	// Flags indicates specific pool behaviors to activate or deactivate
	Flags CreateFlags
	// Heap supplies pool regions and overflow blocks. GoHeap is used when it is left nil.
	Heap Heap
}

func (o CreateOptions) heap() Heap {
	if o.Heap == nil {
		return GoHeap{}
	}
	return o.Heap
}

// FallbackPolicy decides what a RangedPool does when the size class a request maps to has
// no free entries
type FallbackPolicy int32

const (
	// FallbackDisabled never touches the heap. Requests escalate through larger size classes
	// and fail with memutils.ErrPoolExhausted when every class is full.
	FallbackDisabled FallbackPolicy = iota
	// FallbackAtFirstExhaustion lets every size class overflow to the heap on its own, so a
	// request is served from the heap as soon as its own class is full
	FallbackAtFirstExhaustion
	// FallbackAtLastExhaustion escalates through every larger size class first and only then
	// serves the request from the heap. The heap-served entries of every size are counted
	// together, so RangedPool.DynamicAllocsCount reports the same number for any size.
	FallbackAtLastExhaustion
)

var fallbackPolicyMapping = make(map[FallbackPolicy]string)

func (p FallbackPolicy) String() string {
	name, ok := fallbackPolicyMapping[p]
	if !ok {
		return fmt.Sprintf("FallbackPolicy(%d)", int32(p))
	}
	return name
}

func (p FallbackPolicy) valid() bool {
	_, ok := fallbackPolicyMapping[p]
	return ok
}

func init() {
	fallbackPolicyMapping[FallbackDisabled] = "FallbackDisabled"
	fallbackPolicyMapping[FallbackAtFirstExhaustion] = "FallbackAtFirstExhaustion"
	fallbackPolicyMapping[FallbackAtLastExhaustion] = "FallbackAtLastExhaustion"
}
