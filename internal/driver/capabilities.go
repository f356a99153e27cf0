package driver

import "time"

// Capabilities Android UiAutomator2 会话参数
type Capabilities struct {
	DeviceName           string
	UDID                 string
	PlatformVersion      string
	AppPackage           string
	AppActivity          string
	NoReset              bool
	NewCommandTimeout    time.Duration
	AutoGrantPermissions bool
	AdbExecTimeout       time.Duration
}

// Map 转换为 W3C capabilities，厂商扩展字段带 appium: 前缀
func (c *Capabilities) Map() map[string]interface{} {
	caps := map[string]interface{}{
		"platformName":                "Android",
		"appium:automationName":       "UiAutomator2",
		"appium:noReset":              c.NoReset,
		"appium:autoGrantPermissions": c.AutoGrantPermissions,
	}
	if c.DeviceName != "" {
		caps["appium:deviceName"] = c.DeviceName
	}
	if c.UDID != "" {
		caps["appium:udid"] = c.UDID
	}
	if c.PlatformVersion != "" {
		caps["appium:platformVersion"] = c.PlatformVersion
	}
	if c.AppPackage != "" {
		caps["appium:appPackage"] = c.AppPackage
	}
	if c.AppActivity != "" {
		caps["appium:appActivity"] = c.AppActivity
	}
	if c.NewCommandTimeout > 0 {
		caps["appium:newCommandTimeout"] = int(c.NewCommandTimeout.Seconds())
	}
	if c.AdbExecTimeout > 0 {
		caps["appium:adbExecTimeout"] = c.AdbExecTimeout.Milliseconds()
	}
	return caps
}
