package types

// DeviceDefinition is a connected transport endpoint together with the
// registers composed for every channel bound to it.
type DeviceDefinition struct {
	Name       string               `json:"name"`
	Connection ConnectionConfig     `json:"connection"`
	Registers  []RegisterDefinition `json:"registers"`
	Groups     []RegisterGroup      `json:"register_groups,omitempty"`
}

type ConnectionConfig struct {
	Protocol       string `json:"protocol"`
	IPAddress      string `json:"ip_address"`
	Port           int    `json:"port"`
	UnitID         int    `json:"unit_id"`
	PollIntervalMs int    `json:"poll_interval_ms"`
	TimeoutMs      int    `json:"timeout_ms"`
}

type RegisterDefinition struct {
	Name        string       `json:"name"`
	Address     uint16       `json:"address"`
	Type        RegisterType `json:"type"`
	DataType    DataType     `json:"data_type"`
	ScaleFactor float64      `json:"scale_factor"`
	Unit        string       `json:"unit"`
	Access      AccessType   `json:"access"`
	Description string       `json:"description"`
}

// RegisterGroup is polled on its own ticker. OnChange groups only publish
// values that differ from the last poll.
type RegisterGroup struct {
	Name           string   `json:"name"`
	PollIntervalMs int      `json:"poll_interval_ms"`
	OnChange       bool     `json:"on_change"`
	Registers      []string `json:"registers"`
}

type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)
