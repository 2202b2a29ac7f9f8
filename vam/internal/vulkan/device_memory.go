package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/framegraph/memutils"
)

type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

type MemoryCallbacks interface {
	Allocate(memoryType int, memory core1_0.DeviceMemory, size int)
	Free(memoryType int, memory core1_0.DeviceMemory, size int)
}

type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of resources that have been bound to memory from each heap
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of the memory ranges that have been handed out to resources
	allocationBytes [common.MaxMemoryHeaps]int64

	// Size of real allocations made from each memory type
	typeBlockBytes [common.MaxMemoryTypes]int64
	// The number of bytes we believe can be allocated from each memory type. It starts out as the
	// size of the owning heap and is permanently lowered to the type's usage the first time
	// the device reports that it is out of memory.
	typeBudget [common.MaxMemoryTypes]int64

	memoryCallbacks  MemoryCallbacks
	heapLimits       []int
	device           Device
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	device Device,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := &DeviceMemoryProperties{
		memoryCallbacks: memoryCallbacks,
		device:          device,
	}

	deviceProperties.memoryProperties = device.MemoryProperties()
	if deviceProperties.memoryProperties == nil {
		return nil, errors.New("the device did not report any memory properties")
	}

	heapCount := deviceProperties.MemoryHeapCount()
	heapLimitCount := len(heapSizeLimits)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("vam.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heap types")
	}

	deviceProperties.heapLimits = heapSizeLimits

	for typeIndex := 0; typeIndex < deviceProperties.MemoryTypeCount(); typeIndex++ {
		heapIndex := deviceProperties.MemoryTypeIndexToHeapIndex(typeIndex)
		if heapIndex < 0 || heapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the device only has %d heaps", typeIndex, heapIndex, heapCount)
		}
		deviceProperties.typeBudget[typeIndex] = int64(deviceProperties.heapBudget(heapIndex))
	}

	return deviceProperties, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) heapLimit(heapIndex int) int {
	if len(m.heapLimits) == 0 || m.heapLimits[heapIndex] <= 0 {
		return 0
	}
	return m.heapLimits[heapIndex]
}

func (m *DeviceMemoryProperties) heapBudget(heapIndex int) int {
	heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
	limit := m.heapLimit(heapIndex)
	if limit > 0 && limit < heapSize {
		return limit
	}
	return heapSize
}

// AvailableBytes returns the number of bytes we believe can still be allocated from the
// provided memory type, taking into account both the heap's budget and the memory type's
// believed budget
func (m *DeviceMemoryProperties) AvailableBytes(memoryTypeIndex int) int {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	heapFree := int64(m.heapBudget(heapIndex)) - atomic.LoadInt64(&m.blockBytes[heapIndex])
	typeFree := atomic.LoadInt64(&m.typeBudget[memoryTypeIndex]) - atomic.LoadInt64(&m.typeBlockBytes[memoryTypeIndex])

	free := heapFree
	if typeFree < free {
		free = typeFree
	}
	if free < 0 {
		return 0
	}
	return int(free)
}

// MemoryTypeBudget returns the number of bytes of device memory allocated from the provided memory
// type, along with the number of bytes we believe can be allocated from it in total
func (m *DeviceMemoryProperties) MemoryTypeBudget(memoryTypeIndex int) (usage int, budget int) {
	return int(atomic.LoadInt64(&m.typeBlockBytes[memoryTypeIndex])), int(atomic.LoadInt64(&m.typeBudget[memoryTypeIndex]))
}

func (m *DeviceMemoryProperties) lowerTypeBudget(memoryTypeIndex int) {
	usage := atomic.LoadInt64(&m.typeBlockBytes[memoryTypeIndex])
	atomic.StoreInt64(&m.typeBudget[memoryTypeIndex], usage)
}

func reserveWithBudget(counter *int64, allocationSize int, maxAllocatable int64) (common.VkResult, error) {
	for {
		currentVal := atomic.LoadInt64(counter)
		targetVal := currentVal + int64(allocationSize)

		if targetVal > maxAllocatable {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapInt64(counter, currentVal, targetVal) {
			return core1_0.VKSuccess, nil
		}
	}
}

func (m *DeviceMemoryProperties) addBlockAllocation(memoryTypeIndex int, allocationSize int) (common.VkResult, error) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	res, err := reserveWithBudget(&m.typeBlockBytes[memoryTypeIndex], allocationSize, atomic.LoadInt64(&m.typeBudget[memoryTypeIndex]))
	if err != nil {
		return res, err
	}

	if m.heapLimit(heapIndex) == 0 {
		atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	} else {
		res, err = reserveWithBudget(&m.blockBytes[heapIndex], allocationSize, int64(m.heapBudget(heapIndex)))
		if err != nil {
			atomic.AddInt64(&m.typeBlockBytes[memoryTypeIndex], int64(-allocationSize))
			return res, err
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(memoryTypeIndex, allocationSize int) {
	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	if atomic.AddInt64(&m.typeBlockBytes[memoryTypeIndex], int64(-allocationSize)) < 0 {
		panic(fmt.Sprintf("block bytes for memory type %d went negative", memoryTypeIndex))
	}

	if atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize)) < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	if atomic.AddInt32(&m.blockCount[heapIndex], -1) < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateVulkanMemory allocates a new piece of device memory after reserving it against the
// heap and memory type budgets. If the device reports that it is out of memory, the memory type's
// believed budget is lowered to its current usage so that later requests fail without a round
// trip to the device.
func (m *DeviceMemoryProperties) AllocateVulkanMemory(
	allocateInfo core1_0.MemoryAllocateInfo,
) (mem core1_0.DeviceMemory, res common.VkResult, err error) {
	memoryTypeIndex := allocateInfo.MemoryTypeIndex

	res, err = m.addBlockAllocation(memoryTypeIndex, allocateInfo.AllocationSize)
	if err != nil {
		return nil, res, err
	}

	mem, res, err = m.device.AllocateMemory(allocateInfo)
	if err != nil {
		m.removeBlockAllocation(memoryTypeIndex, allocateInfo.AllocationSize)

		if res == core1_0.VKErrorOutOfDeviceMemory {
			m.lowerTypeBudget(memoryTypeIndex)
		}
		return nil, res, err
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(
			memoryTypeIndex,
			mem,
			allocateInfo.AllocationSize,
		)
	}

	return mem, res, nil
}

func (m *DeviceMemoryProperties) FreeVulkanMemory(memoryType int, size int, memory core1_0.DeviceMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(
			memoryType,
			memory,
			size,
		)
	}

	m.device.FreeMemory(memory)
	m.removeBlockAllocation(memoryType, size)
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) HeapBudget(heapIndex int, budget *Budget) {
	budget.Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
	budget.Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
	budget.Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	budget.Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

	budget.Usage = budget.Statistics.BlockBytes
	budget.Budget = m.heapBudget(heapIndex)
}

func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		m.HeapBudget(firstHeap+i, &budgets[i])
	}
}
