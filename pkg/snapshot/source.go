package snapshot

import "context"

// StaticSource serves a fixed set of device reads. It backs development mode
// and tests, where no platform privilege layer is available.
type StaticSource struct {
	ID    Identity
	Info  BuildInfo
	Flags SecurityFlags
	Apps  []string
	Props map[string]string
	Tele  Telemetry
	Fix   *Location

	// Fail lists probe names that should return FailErr.
	Fail    map[string]bool
	FailErr error
}

func (s *StaticSource) failing(probe string) error {
	if s.Fail[probe] {
		return s.FailErr
	}
	return nil
}

func (s *StaticSource) Identity(context.Context) (Identity, error) {
	if err := s.failing("identity"); err != nil {
		return Identity{}, err
	}
	return s.ID, nil
}

func (s *StaticSource) Build(context.Context) (BuildInfo, error) {
	if err := s.failing("build"); err != nil {
		return BuildInfo{}, err
	}
	return s.Info, nil
}

func (s *StaticSource) SecurityFlags(context.Context) (SecurityFlags, error) {
	if err := s.failing("security_flags"); err != nil {
		return SecurityFlags{}, err
	}
	return s.Flags, nil
}

func (s *StaticSource) InstalledApps(context.Context) ([]string, error) {
	if err := s.failing("app_inventory"); err != nil {
		return nil, err
	}
	return s.Apps, nil
}

func (s *StaticSource) SystemProperties(context.Context) (map[string]string, error) {
	if err := s.failing("system_properties"); err != nil {
		return nil, err
	}
	return s.Props, nil
}

func (s *StaticSource) Telemetry(context.Context) (Telemetry, error) {
	if err := s.failing("telemetry"); err != nil {
		return Telemetry{}, err
	}
	return s.Tele, nil
}

func (s *StaticSource) Location(context.Context) (*Location, error) {
	if err := s.failing("location"); err != nil {
		return nil, err
	}
	return s.Fix, nil
}
