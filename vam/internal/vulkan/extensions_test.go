package vulkan

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	mock_driver "github.com/vkngwrapper/core/v2/driver/mocks"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
)

func TestDetectDeviceFeatures(t *testing.T) {
	testCases := map[string]struct {
		core1_1          bool
		deviceExtensions []string

		expected DeviceFeatures
	}{
		"NoExtensions": {
			deviceExtensions: []string{},
		},
		"Core1_1": {
			core1_1:          true,
			deviceExtensions: []string{},
			expected:         DeviceFeatures{DedicatedAllocations: true},
		},
		"DedicatedAllocationExtensions": {
			deviceExtensions: []string{
				khr_get_memory_requirements2.ExtensionName,
				khr_dedicated_allocation.ExtensionName,
			},
			expected: DeviceFeatures{DedicatedAllocations: true},
		},
		"MissingMemoryRequirements2": {
			deviceExtensions: []string{
				khr_dedicated_allocation.ExtensionName,
			},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			version := common.Vulkan1_0
			if testCase.core1_1 {
				version = common.Vulkan1_1
			}

			device := mocks.EasyMockDevice(ctrl, mock_driver.DriverForVersion(ctrl, version))
			device.EXPECT().IsDeviceExtensionActive(gomock.Any()).DoAndReturn(func(extensionName string) bool {
				for _, active := range testCase.deviceExtensions {
					if active == extensionName {
						return true
					}
				}
				return false
			}).AnyTimes()

			require.Equal(t, testCase.expected, DetectDeviceFeatures(device))
		})
	}
}
