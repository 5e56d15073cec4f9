package clock

import "go.uber.org/fx"

// Module provides the wall clock every time-dependent service injects.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
