// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "ChestNet-Go")
	viper.SetDefault("main.timeas24h", true)
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "chestnet.log")
	viper.SetDefault("main.log.rotation", RotationDaily)
	viper.SetDefault("main.log.maxsize", 10485760)
	viper.SetDefault("main.log.rotationday", time.Sunday)

	viper.SetDefault("ensemble.debug", false)
	viper.SetDefault("ensemble.modelpath", "models/")
	viper.SetDefault("ensemble.labelpath", "")
	viper.SetDefault("ensemble.memorybudgetmb", 2048)
	viper.SetDefault("ensemble.threads", 0)
	viper.SetDefault("ensemble.usexnnpack", true)
	viper.SetDefault("ensemble.threshold", 0.1)
	viper.SetDefault("ensemble.models", defaultModelRoster())

	viper.SetDefault("triage.debug", false)
	viper.SetDefault("triage.minagreement", 0.5)
	viper.SetDefault("triage.minconfidence", 0.6)
	viper.SetDefault("triage.workers", 2)
	viper.SetDefault("triage.autoreport", false)
	viper.SetDefault("triage.risk.labelpoints", map[string]float64{
		"COVID-19":        60,
		"Lung Opacity":    40,
		"Viral Pneumonia": 35,
		"Normal":          0,
	})
	viper.SetDefault("triage.risk.ageseniorpoints", 25)
	viper.SetDefault("triage.risk.ageelderpoints", 15)
	viper.SetDefault("triage.risk.agemiddlepoints", 8)
	viper.SetDefault("triage.risk.comorbiditypoints", 5)
	viper.SetDefault("triage.risk.comorbiditycap", 15)
	viper.SetDefault("triage.risk.moderatefloor", 25)
	viper.SetDefault("triage.risk.highfloor", 50)
	viper.SetDefault("triage.risk.criticalfloor", 75)

	viper.SetDefault("batch.debug", false)
	viper.SetDefault("batch.maxconcurrent", 2)
	viper.SetDefault("batch.maxretries", 3)
	viper.SetDefault("batch.initialdelay", 5)
	viper.SetDefault("batch.maxfilesizemb", 32)
	viper.SetDefault("batch.allowedtypes", []string{"png", "jpg", "jpeg"})

	viper.SetDefault("media.basepath", "media/")
	viper.SetDefault("media.xraydir", "xrays")
	viper.SetDefault("media.reportdir", "reports")
	viper.SetDefault("media.retention.debug", false)
	viper.SetDefault("media.retention.policy", "none")
	viper.SetDefault("media.retention.maxage", "365d")
	viper.SetDefault("media.retention.maxusage", "85%")
	viper.SetDefault("media.retention.minimages", 5)

	viper.SetDefault("appointment.slotminutes", 30)
	viper.SetDefault("appointment.bufferminutes", 0)
	viper.SetDefault("appointment.daystart", "08:00")
	viper.SetDefault("appointment.dayend", "18:00")
	viper.SetDefault("appointment.reminder.enabled", true)
	viper.SetDefault("appointment.reminder.leadhours", 24)
	viper.SetDefault("appointment.reminder.pollminutes", 15)
	viper.SetDefault("appointment.reminder.dispatchonce", true)

	viper.SetDefault("report.debug", false)
	viper.SetDefault("report.clinicname", "")
	viper.SetDefault("report.clinicaddress", "")
	viper.SetDefault("report.footer", "")

	viper.SetDefault("notification.debug", false)
	viper.SetDefault("notification.providers", []NotificationProvider{})

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topicprefix", "chestnet")
	viper.SetDefault("mqtt.username", "chestnet")
	viper.SetDefault("mqtt.password", "secret")
	viper.SetDefault("mqtt.retain", false)

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.debug", false)
	viper.SetDefault("monitoring.checkinterval", 60)
	viper.SetDefault("monitoring.hysteresispct", 5.0)
	viper.SetDefault("monitoring.cpu.enabled", true)
	viper.SetDefault("monitoring.cpu.warning", 85.0)
	viper.SetDefault("monitoring.cpu.critical", 95.0)
	viper.SetDefault("monitoring.memory.enabled", true)
	viper.SetDefault("monitoring.memory.warning", 85.0)
	viper.SetDefault("monitoring.memory.critical", 95.0)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.debug", false)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen", "0.0.0.0:8090")

	viper.SetDefault("webserver.debug", false)
	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.log.enabled", true)
	viper.SetDefault("webserver.log.path", "webserver.log")
	viper.SetDefault("webserver.log.rotation", RotationDaily)
	viper.SetDefault("webserver.log.maxsize", 10485760)
	viper.SetDefault("webserver.log.rotationday", time.Sunday)

	viper.SetDefault("security.debug", false)
	viper.SetDefault("security.host", "")
	viper.SetDefault("security.autotls", false)
	viper.SetDefault("security.redirecttohttps", false)
	viper.SetDefault("security.allowsubnetbypass.enabled", false)
	viper.SetDefault("security.allowsubnetbypass.subnet", "")
	viper.SetDefault("security.jwt.secret", "")
	viper.SetDefault("security.jwt.issuer", "chestnet-go")
	viper.SetDefault("security.jwt.accesstokenexp", "15m")
	viper.SetDefault("security.jwt.refreshtokenexp", "168h")
	viper.SetDefault("security.sessionsecret", "")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "chestnet.db")
	viper.SetDefault("output.sqlite.tempdir", "")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "chestnet")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "chestnet")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", 3306)

	viper.SetDefault("backup.enabled", false)
	viper.SetDefault("backup.debug", false)
	viper.SetDefault("backup.schedule", "0 2 * * *")
	viper.SetDefault("backup.encryption", false)
	viper.SetDefault("backup.retention.maxage", "30d")
	viper.SetDefault("backup.retention.maxbackups", 30)
	viper.SetDefault("backup.retention.minbackups", 7)
}

// defaultModelRoster returns the built-in ensemble roster. All six
// architectures are enabled; the budget decides how many stay resident.
func defaultModelRoster() []map[string]any {
	roster := []struct {
		name   string
		path   string
		sizeMB int
	}{
		{"densenet121", "densenet121.tflite", 450},
		{"resnet50", "resnet50.tflite", 512},
		{"efficientnetb0", "efficientnetb0.tflite", 280},
		{"mobilenetv2", "mobilenetv2.tflite", 220},
		{"inceptionv3", "inceptionv3.tflite", 490},
		{"vgg16", "vgg16.tflite", 840},
	}

	models := make([]map[string]any, 0, len(roster))
	for _, m := range roster {
		models = append(models, map[string]any{
			"name":    m.name,
			"path":    m.path,
			"sizemb":  m.sizeMB,
			"enabled": true,
			"weight":  1.0,
		})
	}
	return models
}
