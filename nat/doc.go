// Package nat asks the local router to forward an external TCP port to the
// listening port, for nodes whose direct listen is not reachable from the
// public network.
//
// Two backends are provided. PMP speaks NAT-PMP to the default gateway and is
// tried first because the exchange is a single UDP round trip. UPnP uses
// github.com/huin/goupnp to find an Internet Gateway Device over SSDP and
// issue AddPortMapping calls. Chain combines several backends behind the
// Mapper interface, and its ExternalIP asks each backend that can report the
// gateway's public address:
//
//	mapper := nat.NewChain(nat.NewPMP(nil), nat.NewUPnP())
//	m, err := mapper.Map(ctx, 2234)
//	if err != nil {
//	    return err
//	}
//	renewer := nat.NewRenewer(mapper, m, onError)
//	renewer.Start()
//	defer renewer.Stop(context.Background())
//
// Mappings are leases. Renewer refreshes a mapping at half its lifetime and
// removes it when stopped.
package nat
