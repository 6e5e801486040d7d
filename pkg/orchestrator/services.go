package orchestrator

import (
	"github.com/bridgemux/bridgemux/pkg/errors"
)

// serviceSpec describes how to provision one bridge platform: the image
// to run, the config template to render, and where the rendered config
// lands inside the container.
type serviceSpec struct {
	// Service name as stored on the bridge row, e.g. "whatsapp".
	Service string

	Image string

	// TemplateFile is the filename under the orchestrator template dir.
	TemplateFile string

	// ConfigDir is the in-container directory the rendered config is
	// uploaded to.
	ConfigDir string

	// DataVolume is mounted at the config dir so bridge state survives
	// container replacement.
	DataVolume string

	// BotLocal is the localpart of the bridge's bot user before
	// namespace encoding, e.g. "whatsappbot".
	BotLocal string
}

var serviceSpecs = map[string]serviceSpec{
	"whatsapp": {
		Service:      "whatsapp",
		Image:        "dock.mau.dev/mautrix/whatsapp:latest",
		TemplateFile: "whatsapp.yaml",
		ConfigDir:    "/data/",
		DataVolume:   "whatsapp_data",
		BotLocal:     "whatsappbot",
	},
	"discord": {
		Service:      "discord",
		Image:        "dock.mau.dev/mautrix/discord:latest",
		TemplateFile: "discord.yaml",
		ConfigDir:    "/data/",
		DataVolume:   "discord_data",
		BotLocal:     "discordbot",
	},
}

// specFor returns the provisioning spec for a bridge platform.
func specFor(service string) (serviceSpec, error) {
	spec, ok := serviceSpecs[service]
	if !ok {
		return serviceSpec{}, errors.Newf(errors.KindBadRequest,
			"unsupported bridge service %q", service)
	}
	return spec, nil
}
