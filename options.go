package haven

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions is the landing spot for every With* function. Defaults
// are filled in by New before anything reads it.
type resolvedOptions struct {
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	engine            Engine
	emotionStrategies []EmotionStrategy
	callHooks         []CallHook
	routeRegistrars   []RouteRegistrar
	middlewares       []Middleware
	extraMigrations   []fs.FS
}

// WithPort overrides the TCP port from config (HAVEN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger the App and everything under it
// log through. Unset means slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEngine replaces the built-in LLM conversation engine.
// Only the last call wins. The engine drives greetings, agent turns, and
// post-call summarization; emotion classification is extended separately
// via WithEmotionStrategy.
func WithEngine(e Engine) Option {
	return func(o *resolvedOptions) { o.engine = e }
}

// WithEmotionStrategy prepends a classification strategy to the built-in
// chain. Multiple strategies may be registered; they are consulted in
// registration order before the built-in ones. The chain still ends in
// the keyword matcher, so classification as a whole never fails.
func WithEmotionStrategy(s EmotionStrategy) Option {
	return func(o *resolvedOptions) { o.emotionStrategies = append(o.emotionStrategies, s) }
}

// WithCallHook registers a hook for call lifecycle notifications. Every
// registered hook sees every event.
func WithCallHook(hook CallHook) Option {
	return func(o *resolvedOptions) { o.callHooks = append(o.callHooks, hook) }
}

// WithExtraRoutes mounts additional routes on the App's mux. Registrars
// run in the order they were added.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware wraps the App's handler in an extra HTTP middleware.
// The first one registered sits outermost and sees each request first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations appends an SQL migration filesystem to run after
// the embedded schema. Filesystems apply in the order they were added.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
