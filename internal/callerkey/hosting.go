package callerkey

// hostingASNs are cloud and VPS networks. Callers from these rotate
// addresses cheaply, so they share one rate-limit window per ASN.
var hostingASNs = map[int]string{
	// Cloud
	16509:  "Amazon.com / AWS",
	14618:  "Amazon.com / AWS",
	8075:   "Microsoft Azure",
	15169:  "Google Cloud",
	396982: "Google Cloud",
	45102:  "Alibaba Cloud",
	45090:  "Tencent Cloud",
	31898:  "Oracle Cloud",
	13335:  "Cloudflare",

	// VPS / hosting
	14061:  "DigitalOcean",
	20473:  "Vultr / Choopa",
	63949:  "Linode / Akamai Connected Cloud",
	16276:  "OVHcloud",
	24940:  "Hetzner Online",
	213230: "Hetzner Cloud",
	12876:  "Scaleway (Online SAS)",
	40021:  "Contabo",
	51167:  "Contabo",
	60781:  "LeaseWeb",
	9009:   "M247 / G-Core Labs",
	36352:  "ColoCrossing",
	47583:  "Hostinger",
	197540: "Netcup",
	50979:  "Selectel",
	396356: "Maxihost",
}

// IsHostingASN reports whether asn is a known hosting network.
func IsHostingASN(asn int) (string, bool) {
	org, ok := hostingASNs[asn]
	return org, ok
}
