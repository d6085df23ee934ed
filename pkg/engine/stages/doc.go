// Package stages provides the built-in pipeline stage implementations.
//
// Each stage implements runtime.Stage and is constructed from a
// domain.StageDescriptor. Constructors validate configuration eagerly and
// return *domain.ConfigurationError so a broken route never reaches traffic.
package stages
