/*
Package semtech implements the wire format of the Semtech UDP packet forwarder
protocol, as spoken by a gateway.

Upstream packet types (gateway to server):
    * PUSH_DATA (rxpk records, or a stat record)
    * PULL_DATA
    * TX_ACK
Downstream packet types (server to gateway):
    * PUSH_ACK
    * PULL_ACK
    * PULL_RESP

Every datagram starts with a 4 byte header: protocol version, 2 byte random
token and the packet identifier. PUSH_DATA, PULL_DATA and TX_ACK follow it with
the 8 byte gateway EUI. Body-carrying packets end with a JSON object.

The protocol description can be found at:
https://github.com/Lora-net/packet_forwarder/blob/master/PROTOCOL.TXT
*/
package semtech
