package heartbeat

import (
	"regexp"
	"strings"

	"github.com/homelabcmd/hub/pkg/types"
)

// Machine categories inferred from hardware info
const (
	CategorySBC          = "sbc"
	CategoryRackServer   = "rack_server"
	CategoryWorkstation  = "workstation"
	CategoryOfficeLaptop = "office_laptop"
	CategoryMiniPC       = "mini_pc"
)

var (
	mobileIntelRe = regexp.MustCompile(`i[3579]-\d{4,5}[uyh]`)
	nSeriesRe     = regexp.MustCompile(`\bn\d{3,4}\b`)
)

// categoryRules is ordered; the first match wins
var categoryRules = []struct {
	category string
	match    func(model, arch string) bool
}{
	{CategorySBC, func(model, arch string) bool {
		return strings.Contains(model, "raspberry") ||
			strings.HasPrefix(arch, "arm") || arch == "aarch64"
	}},
	{CategoryRackServer, func(model, arch string) bool {
		return strings.Contains(model, "xeon") || strings.Contains(model, "epyc")
	}},
	{CategoryWorkstation, func(model, arch string) bool {
		return strings.Contains(model, "threadripper") || strings.Contains(model, "ryzen 9")
	}},
	{CategoryOfficeLaptop, func(model, arch string) bool {
		return mobileIntelRe.MatchString(model)
	}},
	{CategoryMiniPC, func(model, arch string) bool {
		return (strings.Contains(model, "celeron") || strings.Contains(model, "pentium") ||
			strings.Contains(model, "intel")) && nSeriesRe.MatchString(model)
	}},
}

// detectCategory fills in machine_category from CPU model and architecture.
// A manually set category is never overwritten, and no match leaves the
// category untouched.
func detectCategory(server *types.Server) {
	if server.MachineCategorySource == types.CategorySourceManual {
		return
	}

	model := strings.ToLower(server.CPUModel)
	arch := strings.ToLower(server.Architecture)
	if model == "" && arch == "" {
		return
	}

	for _, rule := range categoryRules {
		if rule.match(model, arch) {
			server.MachineCategory = rule.category
			server.MachineCategorySource = types.CategorySourceAuto
			return
		}
	}
}
