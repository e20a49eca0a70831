package rest

import (
	"net/http"
	"sort"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.DeviceManager().ListDevices()

	response := make([]gin.H, 0, len(devices))
	for _, device := range devices {
		response = append(response, gin.H{
			"id":        device.ID,
			"name":      device.Name,
			"address":   device.Client.Address(),
			"connected": device.Client.Connected(),
			"registers": len(device.Registers),
		})
	}
	sort.Slice(response, func(i, j int) bool {
		return response[i]["name"].(string) < response[j]["name"].(string)
	})

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// GET /api/v1/devices/:name
func (s *Server) getDevice(c *gin.Context) {
	name := c.Param("name")
	device, exists := s.lm.DeviceManager().GetDeviceByName(name)
	if !exists {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", name))
		return
	}

	registers := make([]gin.H, 0, len(device.Registers))
	for regName, reg := range device.Registers {
		entry := gin.H{
			"name":      regName,
			"address":   reg.Address,
			"data_type": reg.DataType,
			"access":    reg.Access,
		}
		if v, ok := device.LastValue(regName); ok {
			entry["value"] = v
		}
		registers = append(registers, entry)
	}
	sort.Slice(registers, func(i, j int) bool {
		return registers[i]["address"].(uint16) < registers[j]["address"].(uint16)
	})

	c.JSON(http.StatusOK, gin.H{
		"id":        device.ID,
		"name":      device.Name,
		"unit_id":   device.UnitID,
		"address":   device.Client.Address(),
		"connected": device.Client.Connected(),
		"registers": registers,
	})
}
