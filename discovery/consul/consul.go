package consul

import (
	"net/http"

	"github.com/go-kit/kit/log"
	consulsd "github.com/go-kit/kit/sd/consul"
	"github.com/hashicorp/consul/api"

	"github.com/scepcore/scepd/discovery"
)

// ServiceDiscovery registers this server with Consul's service catalog.
type ServiceDiscovery struct {
	client    consulsd.Client
	proxyHost string
	proxyPort string
	logger    log.Logger
	registrar *consulsd.Registrar
}

// NewServiceDiscovery builds a Consul-backed discovery.Service.
// consulCA, when non-empty, is used to validate the Consul agent's TLS
// certificate.
func NewServiceDiscovery(consulProtocol, consulHost, consulPort, proxyHost, proxyPort, consulCA string, logger log.Logger) (discovery.Service, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = consulProtocol + "://" + consulHost + ":" + consulPort
	if consulCA != "" {
		consulConfig.TLSConfig.CAFile = consulCA
		tlsClientConfig, err := api.SetupTLSConfig(&consulConfig.TLSConfig)
		if err != nil {
			return nil, err
		}
		consulConfig.HttpClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsClientConfig}}
	}
	consulClient, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}
	client := consulsd.NewClient(consulClient)
	return &ServiceDiscovery{client: client, proxyHost: proxyHost, proxyPort: proxyPort, logger: logger}, nil
}

// Register advertises advHost as reachable behind this instance's proxy.
func (sd *ServiceDiscovery) Register(advProtocol, advHost, advPort string) error {
	check := api.AgentServiceCheck{
		HTTP:          advProtocol + "://" + advHost + ":" + advPort + "/health",
		Interval:      "10s",
		Timeout:       "1s",
		TLSSkipVerify: true,
		Notes:         "SCEP server health check",
	}
	asr := api.AgentServiceRegistration{
		ID:      advHost,
		Name:    advHost,
		Address: "https://" + sd.proxyHost + ":" + sd.proxyPort + "/" + advHost + "/",
		Tags:    []string{"scep", advHost},
		Check:   &check,
	}
	sd.registrar = consulsd.NewRegistrar(sd.client, &asr, sd.logger)
	sd.registrar.Register()
	return nil
}

// Deregister removes the advertisement made by Register.
func (sd *ServiceDiscovery) Deregister() error {
	sd.registrar.Deregister()
	return nil
}
