package constants

import "time"

const (
	ServiceAddressDefault = "http://169.254.169.254"
	APIVersionDefault     = "latest"
	PasswordPortDefault   = 8080

	HeaderPasswordRequest    = "DomU_Request"
	DirectiveSendPassword    = "send_my_password"
	DirectiveSavedPassword   = "saved_password"
	MetadataKeyInstanceID    = "instance-id"
	MetadataKeyAvailZone     = "availability-zone"
	MetadataKeyEC2AvailZone  = "placement/availability-zone"
	DatasourceDefault        = "exoscale"
	LoginUserDefault         = "root"
	FileConfigDefault        = "/etc/metaboot/config.yaml"
	FileSSHDPasswordDropIn   = "/etc/ssh/sshd_config.d/50-metaboot.conf"
	FileEtcPasswd            = "/etc/passwd"
	FileEtcShadow            = "/etc/shadow"
	ModeEtcPasswd            = 0644
	ModeEtcShadow            = 0
	ModeSSHDDropIn           = 0600
	UserDataCloudConfigMagic = "#cloud-config"

	TimeoutDefault      = 10 * time.Second
	AttemptsDefault     = 6
	MaxWaitDefault      = 60 * time.Second
	PollIntervalDefault = time.Second
)

// "Constants" that are defined with ldflags during compile.
var (
	Version = "dev"
)
