package version

import "fmt"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/fulfillment/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const serviceName = "fulfillment"

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent возвращает значение User-Agent для исходящих запросов к складу.
func UserAgent() string {
	return serviceName + "/" + version
}
